// Package logx configures pewcast's structured logging.
//
// Logger is a small wrapper on top of zerolog that keeps console output
// short (timestamp + file:line), file output JSON-structured, and can mirror
// warnings into an operator chat through a rate-limited ChatSink.
package logx
