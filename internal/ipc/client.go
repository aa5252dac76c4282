package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"path/filepath"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *Client) call(method string, req, resp any) error {
	return c.client.Call(serviceName+"."+method, req, resp)
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call("Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartJob launches a job.
func (c *Client) StartJob(req StartJobRequest) (*StartJobResponse, error) {
	var resp StartJobResponse
	if err := c.call("StartJob", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelJob cancels the active job; a repeat call escalates.
func (c *Client) CancelJob() (*CancelJobResponse, error) {
	var resp CancelJobResponse
	if err := c.call("CancelJob", CancelJobRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// State fetches the current snapshot.
func (c *Client) State() (*StateResponse, error) {
	var resp StateResponse
	if err := c.call("State", StateRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitState long-polls for a snapshot newer than since.
func (c *Client) WaitState(since uint64, timeout time.Duration) (*StateResponse, error) {
	var resp StateResponse
	req := WaitStateRequest{Since: since, TimeoutSeconds: timeout.Seconds()}
	if err := c.call("WaitState", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reset clears media references and results.
func (c *Client) Reset(clearEvents bool) (*StateResponse, error) {
	var resp StateResponse
	if err := c.call("Reset", ResetRequest{ClearEvents: clearEvents}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClearVideo deletes the current video.
func (c *Client) ClearVideo() (*StateResponse, error) {
	var resp StateResponse
	if err := c.call("ClearVideo", ClearRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClearRoster deletes the current roster.
func (c *Client) ClearRoster() (*StateResponse, error) {
	var resp StateResponse
	if err := c.call("ClearRoster", ClearRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetResults replaces the results text.
func (c *Client) SetResults(text string) (*StateResponse, error) {
	var resp StateResponse
	if err := c.call("SetResults", ResultsRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadVideo asks the daemon to ingest a local video file.
func (c *Client) UploadVideo(path string) (*UploadResponse, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	var resp UploadResponse
	if err := c.call("UploadVideo", PathRequest{Path: abs}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LoadRoster asks the daemon to load a local roster CSV.
func (c *Client) LoadRoster(path string) (*RosterResponse, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	var resp RosterResponse
	if err := c.call("LoadRoster", PathRequest{Path: abs}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
