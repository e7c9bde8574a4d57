package cli

import (
	"strings"

	"github.com/BurntSushi/toml"
)

// ShowCmd prints the configuration after file and environment
// overrides.
type ShowCmd struct{}

// Run executes the show-config command.
func (c *ShowCmd) Run(cli *CLI) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return err
	}
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return err
	}
	return cli.PrintOut(b.String())
}

// SetupCmd creates the runtime directories. The lock directory is
// shared by every instrumented process, whatever its user.
type SetupCmd struct{}

// Run executes the setup command.
func (c *SetupCmd) Run(cli *CLI) error {
	dirs, err := cli.RuntimeDirs()
	if err != nil {
		return err
	}
	if err := dirs.EnsureDirectories(); err != nil {
		return err
	}
	return cli.PrintOutf("Created %s\n", dirs.Base())
}
