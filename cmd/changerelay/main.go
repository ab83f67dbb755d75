package main

import (
	"log"
	"os"

	"github.com/changerelay/changerelay/pkg/config"
	"github.com/changerelay/changerelay/pkg/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	port    int
	cfg     string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "changerelay",
	Short: "Change Notification Relay",
	Long:  "Relays upstream change notifications to connected clients, managing subscription lifecycle and payload decryption",
	Run:   runServer,
}

func init() {
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "Port to listen on (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&cfg, "config", "c", "config.json", "Configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	// Bind flags to viper
	if err := viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port")); err != nil {
		log.Printf("Failed to bind port flag: %v", err)
	}
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		log.Printf("Failed to bind config flag: %v", err)
	}
	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		log.Printf("Failed to bind verbose flag: %v", err)
	}
}

func runServer(cmd *cobra.Command, args []string) {
	if verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	conf, err := config.LoadConfig(cfg)
	if err != nil {
		log.Printf("Failed to load config from %s, using defaults: %v", cfg, err)
		conf = config.DefaultConfig()
	}
	if port != 0 {
		conf.Port = port
	}

	relay, err := server.NewServer(conf, verbose)
	if err != nil {
		log.Fatalf("Failed to build server: %v", err)
	}

	if err := relay.Start(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
