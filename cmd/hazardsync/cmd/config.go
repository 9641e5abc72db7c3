package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/hazardsync/internal/api"
	"github.com/psantana5/hazardsync/internal/config"
	"github.com/psantana5/hazardsync/internal/tasks"
	"github.com/psantana5/hazardsync/pkg/tlsutil"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
	Long:  `Commands for writing, checking and inspecting the hazardsync configuration.`,
}

var configExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Print an annotated example configuration",
	Long: `Print a commented configuration covering every setting and one task of
each kind. Redirect it to ~/.hazardsync/config.yaml as a starting point.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print(config.Example)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the configuration and check every task",
	RunE:  runConfigValidate,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration after defaults and overrides",
	RunE:  runConfigShow,
}

var configHashKeyCmd = &cobra.Command{
	Use:   "hash-key [key]",
	Short: "Generate an API key and its bcrypt hash",
	Long: `Print a bcrypt hash for server.api_key_hash. With no argument a new random
key is generated and printed alongside its hash; keep the key, store only the
hash in the configuration.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigHashKey,
}

var (
	genCertOut   string
	genCertHosts []string
)

var configGenCertCmd = &cobra.Command{
	Use:   "gen-cert",
	Short: "Write a self-signed TLS certificate for serve",
	Long: `Write server.crt and server.key into the output directory. Point
server.tls_cert and server.tls_key at them to serve the API over HTTPS.`,
	RunE: runConfigGenCert,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configGenCertCmd)
	configGenCertCmd.Flags().StringVar(&genCertOut, "out", filepath.Join(config.Dir(), "tls"), "output directory")
	configGenCertCmd.Flags().StringSliceVar(&genCertHosts, "host", nil, "extra host name or IP address (repeatable)")
	configCmd.AddCommand(configExampleCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configHashKeyCmd)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	built, err := tasks.NewRegistry(tasks.Deps{}).Build(cfg.Tasks)
	if err != nil {
		return err
	}

	source := cfg.File
	if source == "" {
		source = "defaults and environment"
	}
	if IsJSONOutput() {
		return printJSON(map[string]any{
			"file":          source,
			"tasks":         len(cfg.Tasks),
			"enabled_tasks": len(built),
			"valid":         true,
		})
	}
	fmt.Printf("Configuration OK (%s)\n", source)
	fmt.Printf("%d task(s) configured, %d enabled\n", len(cfg.Tasks), len(built))
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(cfg)
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}

func runConfigHashKey(cmd *cobra.Command, args []string) error {
	var key, hash string
	var err error
	if len(args) == 1 {
		key = args[0]
		hash, err = api.HashAPIKey(key)
	} else {
		key, hash, err = api.GenerateAPIKey()
	}
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(map[string]string{"key": key, "hash": hash})
	}
	if len(args) == 0 {
		fmt.Printf("API key:  %s\n", key)
	}
	fmt.Printf("Hash:     %s\n", hash)
	fmt.Println("\nSet server.api_key_hash to the hash and send the key in the X-API-Key header.")
	return nil
}

func runConfigGenCert(cmd *cobra.Command, args []string) error {
	certFile := filepath.Join(genCertOut, "server.crt")
	keyFile := filepath.Join(genCertOut, "server.key")
	host, _ := os.Hostname()
	if err := tlsutil.GenerateSelfSigned(certFile, keyFile, host, genCertHosts...); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(map[string]string{"tls_cert": certFile, "tls_key": keyFile})
	}
	fmt.Printf("Certificate: %s\n", certFile)
	fmt.Printf("Key:         %s\n", keyFile)
	fmt.Printf("\nValid for %v. Set server.tls_cert and server.tls_key to these paths.\n", tlsutil.CertValidity)
	return nil
}
