// Package roster loads participant lists and maps recognized bib text to
// participants.
//
// Roster files are CSV exports from race timing software: comma or semicolon
// separated, UTF-8 (with or without BOM) or Windows-1251, with localized
// header names. Lookup tolerates common OCR confusions between letters and
// digits.
package roster
