package version

// Version is the current version of deltamigrate.
// Can be overridden at build time with -ldflags "-X ...version.Version=..."
var Version = "1.4.0"

// Name is the application name.
const Name = "deltamigrate"

// Description is a short description of the application.
const Description = "Differential migration engine with checkpointed, resumable batch transfer"
