// Command sakuga is the operator CLI for the sakuga daemon. It talks to
// the daemon's HTTP surface and renders pipeline, learning, and quality
// state as tables or JSON.
package main
