package zim

// Version of zimi
var Version = "1.5.0"
