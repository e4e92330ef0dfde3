//go:build cgo

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/recall/internal/embeddings"
)

var (
	forceDownload bool
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVarP(&forceDownload, "force", "f", false, "Force re-download even if ONNX runtime exists")
}

// initCmd downloads the local embedding runtime
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Download the ONNX runtime for local embeddings",
	Long: `Download the ONNX runtime library required by the fastembed embeddings
provider. The library is installed to:
  ~/.config/recall/lib/

If the ONNX_PATH environment variable is set, that path takes precedence.

Examples:
  recall init
  recall init --force`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	installer := embeddings.NewONNXInstaller()
	if !forceDownload {
		if path := installer.LibraryPath(); path != "" {
			cmd.Printf("ONNX runtime already installed at: %s\n", path)
			cmd.Println("Use --force to re-download.")
			return nil
		}
	}

	cmd.Printf("Downloading ONNX runtime v%s to %s...\n", installer.Version, installer.Dir)
	path, err := installer.Install(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to install ONNX runtime: %w", err)
	}
	cmd.Printf("Successfully installed ONNX runtime to: %s\n", path)
	return nil
}
