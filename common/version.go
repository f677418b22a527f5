package common

// Version is overridden at build time with -ldflags "-X ...common.Version=".
var Version = "dev"

// PackageName prefixes exported metric names.
const PackageName = "scep_provisioning_backend"
