// Package api exposes the escrow state machine over HTTP. Every mutating
// route resolves the caller through the auth middleware and forwards a typed
// request to escrow.Machine; rejections are rendered as {code, kind, message}.
package api
