package main

// version is stamped by release builds with
// -ldflags "-X main.version=<tag>".
var version = "dev"
