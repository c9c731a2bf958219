// Package cli provides common command-line utilities shared by the
// engine's CLI entrypoint.
//
// This package includes:
//   - App directory resolution (config/cache/log/data paths)
//   - Output formatting (JSON, YAML, raw)
//   - Request file loading (YAML/JSON)
//   - Log buffering for interactive output
//
// Example usage:
//
//	paths, err := cli.NewPaths("tocmemoryd")
//	cfgPath := paths.ConfigFile()
//
//	var req myRequest
//	if err := cli.LoadRequest(path, &req); err != nil { ... }
//
//	cli.Output(result, cli.OutputOptions{Format: cli.FormatJSON})
package cli
