// Package web serves coven-locker over HTTP.
//
// Readers reach a container by scanning its QR label, which opens
// /view?cid=<id>. The page runs the passkey ceremony in the browser against
// the JSON API and then fetches the container:
//
//	POST /api/register/begin   {"identity"}            -> creation options
//	POST /api/register/finish  {"challenge","response"}
//	POST /api/login/begin      {"identity"}            -> request options
//	POST /api/login/finish     {"challenge","response"} -> session cookie
//	POST /api/ceremony/cancel  {"challenge"}
//	GET  /api/containers/{id}  [?format=html]
//
// Authoring routes under /api/admin require a bearer JWT with the author or
// admin role and are only mounted when a verifier is configured.
//
// Failures are reported as {"error": code} where code names the error kind,
// for example "forbidden" or "possible_clone_detected".
package web
