// Package rmatch compiles Redis-style glob patterns into matchers.
//
// Supported syntax mirrors the Redis pattern rules: '*' matches any
// sequence (including empty), '?' matches exactly one character,
// '[abc]' and '[a-c]' match character sets and ranges, '[^a]' negates,
// and '\' escapes the following character.
package rmatch
