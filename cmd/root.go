package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "face-identity",
	Short: "Face identity matching and enrollment service",
	Long: `Face Identity enrolls people from face photos and answers "who is this?"
for new photos. Detection and embedding run on an external inference service;
embeddings are stored in PostgreSQL (pgvector), MySQL or memory.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
