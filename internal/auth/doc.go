// Package auth provides JWT issuing and verification plus the in-memory user
// store backing the login endpoint. Tokens carry the username as subject and
// are accepted either from the Authorization header or a token query parameter.
package auth
