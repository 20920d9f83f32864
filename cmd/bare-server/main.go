// SPDX-License-Identifier: MPL-2.0
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openbare/bare-server-go/bare"
)

func main() {
	var directory string
	var host string
	var port int
	var logErrors bool
	var localAddress string
	var family int
	var maintainer string
	var maintainerFile string
	var blockLocal bool
	var rateLimit float64
	var rateLimitBurst int

	var rootCmd = &cobra.Command{
		Use:     "bare-server",
		Short:   "Bare server implementation in Go",
		Version: "0.2.0",
		Run: func(cmd *cobra.Command, args []string) {
			if maintainer != "" && maintainerFile != "" {
				fmt.Fprintln(os.Stderr, "Error: Specify either -m or -j, not both.")
				os.Exit(1)
			}

			var maintainerData *bare.BareMaintainer
			if maintainer != "" {
				if err := json.Unmarshal([]byte(maintainer), &maintainerData); err != nil {
					fmt.Fprintf(os.Stderr, "Error parsing maintainer data: %s\n", err)
					os.Exit(1)
				}
			} else if maintainerFile != "" {
				data, err := os.ReadFile(maintainerFile)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error reading maintainer file: %s\n", err)
					os.Exit(1)
				}
				if err := json.Unmarshal(data, &maintainerData); err != nil {
					fmt.Fprintf(os.Stderr, "Error parsing maintainer data: %s\n", err)
					os.Exit(1)
				}
			}

			options := &bare.Options{
				LogErrors:    logErrors,
				LocalAddress: localAddress,
				Family:       family,
				Maintainer:   maintainerData,
				BlockLocal:   &blockLocal,
			}

			if rateLimit > 0 {
				options.RateLimiter = bare.NewRateLimiter(rateLimit, rateLimitBurst)
			}

			bareServer := bare.NewBareServer(directory, options)

			fmt.Printf("Error Logging: %t\n", logErrors)
			fmt.Printf("Block Local:   %t\n", blockLocal)
			fmt.Printf("URL:           http://%s:%d%s\n", host, port, directory)
			if maintainerData != nil {
				fmt.Printf("Maintainer:    %s\n", maintainerData)
			}
			if options.RateLimiter != nil {
				fmt.Printf("Rate Limit:    %g req/s, burst %d\n", rateLimit, rateLimitBurst)
			}

			if err := bareServer.Start(fmt.Sprintf("%s:%d", host, port)); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting server: %s\n", err)
				os.Exit(1)
			}
		},
	}

	rootCmd.Flags().StringVarP(&directory, "directory", "d", "/", "Bare directory")
	rootCmd.Flags().StringVarP(&host, "host", "o", "0.0.0.0", "Listening host")
	rootCmd.Flags().IntVarP(&port, "port", "p", 80, "Listening port")
	rootCmd.Flags().BoolVarP(&logErrors, "errors", "e", false, "Error logging")
	rootCmd.Flags().StringVarP(&localAddress, "local-address", "a", "", "Address/network interface")
	rootCmd.Flags().IntVarP(&family, "family", "f", 0, "IP address family of --local-address: with 4, a non-IPv4 --local-address is ignored. Default is 0 (both IPv4 and IPv6). Hostname lookups are not restricted by family")
	rootCmd.Flags().StringVarP(&maintainer, "maintainer", "m", "", "Inline maintainer data (JSON)")
	rootCmd.Flags().StringVarP(&maintainerFile, "maintainer-file", "j", "", "Path to maintainer data (JSON)")
	rootCmd.Flags().BoolVarP(&blockLocal, "block-local", "b", true, "Reject remotes that resolve to a local/non-global address (pass --block-local=false to disable)")
	rootCmd.Flags().Float64Var(&rateLimit, "rate-limit", 0, "Sustained requests/sec allowed per client IP (0 disables rate limiting)")
	rootCmd.Flags().IntVar(&rateLimitBurst, "rate-limit-burst", 30, "Burst size for --rate-limit's token bucket")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
