package version

// Value is stamped at build time:
//
//	go build -ldflags "-X github.com/fabian4/lfs-gateway/internal/version.Value=v0.3.0"
var Value = "dev"
