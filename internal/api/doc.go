// Package api defines wire-format types shared by the HTTP and IPC command
// surfaces.
//
// DaemonStatus aggregates runtime information, dependency availability, and
// component health. Job, cancel, and roster responses carry only what a
// client needs to render the outcome; the full job state travels as a
// state.Snapshot, which is already JSON-tagged.
//
// HTTPStatus maps the failure kinds from the services package onto
// response codes so both surfaces report the same category for an error.
package api
