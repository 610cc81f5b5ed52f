// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command agio runs the agent orchestration engine.
//
// Usage:
//
//	agio serve --config agio.yaml
//	agio run assistant "summarize the changelog" --config agio.yaml
//	agio resume <session-id> --config agio.yaml
//	agio validate --config agio.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/agio"
	"github.com/kadirpekel/agio/pkg/config"
	"github.com/kadirpekel/agio/pkg/logger"
)

// Exit codes. Cancelled and timed-out runs are completed runs, but the
// caller still learns how they ended.
const (
	exitOK        = 0
	exitConfig    = 2
	exitRunFailed = 3
	exitCancelled = 4
	exitTimeout   = 5
)

// exitError carries a process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func coded(code int, err error) error {
	return &exitError{code: code, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	var verr *config.ValidationError
	if errors.As(err, &verr) {
		return exitConfig
	}
	return 1
}

// CLI is the kong command tree.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP server."`
	Run      RunCmd      `cmd:"" help:"Execute one run against a configured agent."`
	Resume   ResumeCmd   `cmd:"" help:"Resume a session with pending tool calls."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration file."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text or json)." default:"text"`
	LogFile   string `help:"Log file path (empty = stderr)."`
}

// loadConfig reads and validates the file named by --config.
func (cli *CLI) loadConfig(ctx context.Context, opts ...config.LoaderOption) (*config.Config, *config.Loader, error) {
	if cli.Config == "" {
		return nil, nil, coded(exitConfig, errors.New("--config is required"))
	}
	loader, err := config.NewLoader(cli.Config, opts...)
	if err != nil {
		return nil, nil, coded(exitConfig, err)
	}
	cfg, err := loader.Load(ctx)
	if err != nil {
		return nil, nil, coded(exitConfig, err)
	}
	return cfg, loader, nil
}

func (cli *CLI) initLogger() (func(), error) {
	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		return nil, coded(exitConfig, err)
	}

	w := os.Stderr
	cleanup := func() {}
	if cli.LogFile != "" {
		file, closeFile, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return nil, coded(exitConfig, err)
		}
		w = file
		cleanup = closeFile
	}
	logger.Init(level, w, cli.LogFormat)
	return cleanup, nil
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	info := agio.VersionInfo()
	fmt.Printf("agio version %s (%s, %s)\n", info.Version, info.GoVersion, info.Platform)
	return nil
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("agio"),
		kong.Description("agio - LLM agent orchestration engine"),
		kong.UsageOnError(),
	)

	_ = config.LoadEnvFiles()

	cleanup, err := cli.initLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agio: %v\n", err)
		os.Exit(exitCode(err))
	}

	err = kctx.Run(&cli)
	cleanup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agio: %v\n", err)
		os.Exit(exitCode(err))
	}
}
