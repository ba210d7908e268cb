package version

import (
	"fmt"
	"log"
	"strings"
)

var (
	Name        = "streamgate"
	Description = "Range-capable HTTP streaming gateway"
	Version     = "v0.4.2"
	Commit      = "none"
	Date        = "nowish"
	User        = "local"
)

const (
	GithubHomeUri = "https://github.com/streamgate/streamgate"
)

func PrintVersionInfo(extendedInfo bool, vlog *log.Logger) {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("%s %s - %s\n", Name, Version, Description))
	b.WriteString(fmt.Sprintf(" %s\n", GithubHomeUri))

	if extendedInfo {
		b.WriteString(fmt.Sprintf(" Commit: %s\n", Commit))
		b.WriteString(fmt.Sprintf("  Built: %s\n", Date))
		b.WriteString(fmt.Sprintf("  Using: %s\n", User))
	}

	vlog.Println(b.String())
}
