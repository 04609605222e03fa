package container

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/solomon/internal/config"
)

// buildBinds turns configured mounts into Docker bind specs. Relative
// sources resolve against the working directory.
func buildBinds(mounts []config.Mount) []string {
	cwd, _ := os.Getwd()
	binds := make([]string, 0, len(mounts))
	for _, m := range mounts {
		if m.Source == "" || m.Target == "" {
			continue
		}
		src := m.Source
		if !filepath.IsAbs(src) {
			src = filepath.Join(cwd, src)
		}
		bind := fmt.Sprintf("%s:%s", src, m.Target)
		if m.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}
	return binds
}
