package version

import "fmt"

var (
	// Set via -ldflags at build time
	Version   = "v0.0.0-dev"
	GitCommit = "HEAD"
)

type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
}

func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("%s (%s)", i.Version, i.GitCommit)
}
