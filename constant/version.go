package constant

var Version = "0.1.0"
