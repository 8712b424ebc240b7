// Package httputil holds the request and response helpers shared by the audit HTTP
// handlers.
//
// # Caller identity
//
//	user, source := httputil.ResolveUser(r)
//
// Sources are tried in order: authenticated principal (from the context), the
// user.name query parameter, the Remote-User header, then the doAs query parameter.
//
// # Error responses
//
//	httputil.WriteAuditError(w, err) // {"error":"..."} with a status from StatusForError
//
// # Middleware
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.RecoveryMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//		httputil.MaxBytesMiddleware(10*1024*1024),
//	)(router)
package httputil
