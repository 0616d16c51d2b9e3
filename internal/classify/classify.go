// Package classify derives Gopher item types, HTTP media types, and
// streaming modes from an HTTP request-URI. The functions here are pure:
// no I/O, no shared state, safe to call from any goroutine.
package classify

import "strings"

// Mode describes how a response body must be streamed to the HTTP client.
type Mode int

const (
	// Text bodies are scanned line by line for Gopher dot-stuffing and the
	// end-of-text terminator.
	Text Mode = iota
	// Binary bodies are passed through untouched.
	Binary
	// Menu is a Gopher directory listing. Rendering it to HTML is out of
	// scope (see DESIGN.md); it is served as Text.
	Menu
)

func (m Mode) String() string {
	switch m {
	case Text:
		return "TEXT"
	case Binary:
		return "BINARY"
	case Menu:
		return "MENU"
	default:
		return "UNKNOWN"
	}
}

const defaultItemType = '0'
const defaultMediaType = "application/octet-stream"

// recognized holds the Gopher item types idigna understands as a leading
// byte of the request-URI, per RFC 1436 plus the Gopher+ extensions it
// bothers to classify.
var recognized = map[byte]bool{
	'0': true, // text file
	'1': true, // directory listing
	'4': true, // BinHex archive
	'5': true, // binary archive
	'6': true, // UUEncoded file
	'9': true, // binary file
	'g': true, // GIF image
	'h': true, // HTML document
	'I': true, // generic image
	's': true, // sound
}

var itemTypeMedia = map[byte]string{
	'0': "text/plain; charset=utf-8",
	'1': "text/plain; charset=utf-8",
	'4': "application/binhex",
	'5': "application/octet-stream",
	'9': "application/octet-stream",
	'6': "text/x-uuencode",
	'g': "image/gif",
	'h': "text/html; charset=utf-8",
}

var extensionMedia = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
}

// Classify splits an HTTP request-URI into a Gopher item type and selector.
// A single leading '/' is stripped first. An empty remainder yields item
// type '1' with an empty selector. A remainder whose first byte is a
// recognized item type consumes that byte; anything else defaults to '0'
// and keeps the whole remainder as the selector.
func Classify(uri string) (itemType byte, selector string) {
	uri = strings.TrimPrefix(uri, "/")

	if uri == "" {
		return '1', ""
	}

	if recognized[uri[0]] {
		return uri[0], uri[1:]
	}

	return defaultItemType, uri
}

// MediaType maps an item type and its selector to an HTTP Content-Type.
func MediaType(itemType byte, selector string) string {
	if itemType == 'I' || itemType == 's' {
		dot := strings.LastIndexByte(selector, '.')
		if dot < 0 {
			return defaultMediaType
		}
		if mt, ok := extensionMedia[selector[dot:]]; ok {
			return mt
		}
		return defaultMediaType
	}

	if mt, ok := itemTypeMedia[itemType]; ok {
		return mt
	}

	return defaultMediaType
}

// StreamMode reports how a body of the given item type must be streamed.
func StreamMode(itemType byte) Mode {
	switch itemType {
	case '1':
		return Menu
	case '0', '4', '6', 'h':
		return Text
	default:
		return Binary
	}
}
