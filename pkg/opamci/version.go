package opamci

// Version is set during the build using ldflags
var Version = "unknown"
