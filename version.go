package main

// Version is the build version reported by the "version"/"status" CLI
// subcommands.
var Version = "0.1.0-dev"
