// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/howeyc/gopass"
	"github.com/n0ot/sigrelay/pkg/server"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultStatsPort = "8000"

var (
	statsPort              string
	statsDisableTLS        bool
	skipTLSVerification    bool
	statsServerCertificate string
	statsPassword          string
	promptForPassword      bool
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats [host]",
	Short: "Print stats from a sigrelay server",
	Long: `stats queries a sigrelay server for running stats.

If the host is omitted, the local sigrelay server will be queried.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		host := "127.0.0.1"
		if len(args) > 0 {
			host = args[0]
			if statsDisableTLS {
				fmt.Fprintln(os.Stderr, "Warning: TLS is disabled. All traffic including your stats password will be sent in the clear.")
			} else if skipTLSVerification {
				fmt.Fprintln(os.Stderr, "Warning: skipping TLS verification is insecure.")
			}
		} else {
			// Use the options from the local server's configuration.
			if _, port, err := net.SplitHostPort(viper.GetString("server.bind")); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: cannot determine local server port from config; using \"%s\"\n", statsPort)
			} else {
				statsPort = port
			}
			statsDisableTLS = !viper.GetBool("tls.useTls")
			skipTLSVerification = true
			if statsPassword == "" {
				statsPassword = viper.GetString("server.statsPassword")
			}
			if !statsDisableTLS {
				fmt.Fprintln(os.Stderr, "Skipping TLS verification for local server query")
			}
		}

		password, err := getStatsPassword()
		if err != nil {
			return err
		}
		resp, err := getStats(host, password)
		if err != nil {
			return err
		}
		printStats(cmd.OutOrStdout(), host, resp)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVarP(&statsPort, "port", "P", defaultStatsPort, "port of the server to query stats for")
	statsCmd.Flags().BoolVarP(&statsDisableTLS, "disable-tls", "d", false, "disable connecting over TLS")
	statsCmd.Flags().BoolVarP(&skipTLSVerification, "no-tls-verify", "n", false, "skip TLS verification\n    This is insecure, an attacker can get your password, and you should only use this for testing")
	statsCmd.Flags().StringVarP(&statsServerCertificate, "server-certificate", "s", "", "file containing the PEM encoded certificate to use for server verification, instead of the system's certificate store")
	statsCmd.Flags().BoolVarP(&promptForPassword, "prompt-for-password", "p", false, "prompt for the server's stats password\n    If unset, the password is the same as the local server's.")

	viper.SetDefault("server.statsPassword", "")
}

func getStatsPassword() (string, error) {
	if promptForPassword {
		fmt.Printf("Password: ")
		pass, err := gopass.GetPasswd()
		if err != nil {
			return "", errors.Wrap(err, "Read password")
		}
		return string(pass), nil
	}

	password := statsPassword
	if password == "" {
		password = os.Getenv("SIGRELAY_STATS_PASSWORD")
	}
	if password == "" {
		return "", errors.New("A stats password is required")
	}
	return password, nil
}

func statsHTTPClient() (*http.Client, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: skipTLSVerification}
	if statsServerCertificate != "" {
		cert, err := os.ReadFile(statsServerCertificate)
		if err != nil {
			return nil, errors.Wrap(err, "Open server certificate")
		}
		certPool := x509.NewCertPool()
		certPool.AppendCertsFromPEM(cert)
		tlsConfig.RootCAs = certPool
	}

	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}, nil
}

func getStats(host, password string) (*server.StatsResponse, error) {
	scheme := "https"
	if statsDisableTLS {
		scheme = "http"
	}
	statsURL := fmt.Sprintf("%s://%s/stats", scheme, net.JoinHostPort(host, statsPort))

	client, err := statsHTTPClient()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodGet, statsURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "Request stats")
	}
	req.Header.Set(server.StatsPasswordHeader, password)

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "Connect to sigrelay server")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.Errorf("Server returned an error: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var stats server.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, errors.Wrap(err, "Get stats response from server")
	}
	return &stats, nil
}

func printStats(w io.Writer, host string, resp *server.StatsResponse) {
	// Don't display the default port in the output.
	friendlyAddr := host
	if statsPort != defaultStatsPort {
		friendlyAddr = net.JoinHostPort(host, statsPort)
	}
	stats := resp.Stats
	fmt.Fprintf(w, `Stats for %s:
Uptime: %s
Number of connections: %d

Number of channels: %d
Max channels: %d on %s

Number of channel members: %d
Max channel members: %d on %s

Messages routed: %d (%d deliveries, %d dropped as malformed, %d failed sends)
`, friendlyAddr, stats.Uptime.Round(time.Second),
		resp.NumConnections,
		stats.NumChannels,
		stats.MaxChannels, stats.MaxChannelsTime.Format(time.RFC1123),
		stats.NumMembers,
		stats.MaxMembers, stats.MaxMembersTime.Format(time.RFC1123),
		stats.MessagesRouted, stats.Deliveries, stats.Malformed, stats.SendFailures)
}
