// Package protocol defines the JSON events exchanged with room clients.
//
// Every websocket frame is an Envelope: {"type": "<event>", "data": <payload>}.
// Field names follow the browser client (tabId, lang, pass).
package protocol
