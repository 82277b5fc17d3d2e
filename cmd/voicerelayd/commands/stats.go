// Copyright © 2023 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/n0ot/voicerelayd/pkg/relay"
	"github.com/n0ot/voicerelayd/pkg/server"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	statsPort   string
	statsRoom   string
	statsUseTLS bool
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats [host]",
	Short: "Print stats from a VoiceRelayd server",
	Long: `stats queries a VoiceRelayd server for running stats.

If the host is omitted, the local server will be queried
on the port from its configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		host := "127.0.0.1"
		if len(args) > 0 {
			host = args[0]
		} else if !cmd.Flags().Changed("port") {
			// Use the options from the local server's configuration.
			statsPort = strconv.Itoa(viper.GetInt("server.port"))
			statsUseTLS = statsUseTLS || viper.GetBool("tls.useTls")
		}
		return getStats(host)
	},
}

func init() {
	RootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVarP(&statsPort, "port", "P", "3001", "port of the server to query stats for")
	statsCmd.Flags().StringVarP(&statsRoom, "room", "r", "", "also print the members of this room")
	statsCmd.Flags().BoolVar(&statsUseTLS, "tls", false, "connect over HTTPS")
}

func getStats(host string) error {
	scheme := "http"
	if statsUseTLS {
		scheme = "https"
	}
	base := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, statsPort)}
	client := &http.Client{Timeout: 10 * time.Second}

	var health server.HealthResponse
	if _, err := fetchJSON(client, base, "/health", &health); err != nil {
		return err
	}
	var stats relay.Stats
	if _, err := fetchJSON(client, base, "/stats", &stats); err != nil {
		return err
	}

	fmt.Printf(`Stats for %s:
Status: %s at %s
Uptime: %s

Number of participants: %d
Max participants: %d on %s

Number of rooms: %d
Max rooms: %d on %s

Number of connections: %d (including those not in a room)
Max connections: %d on %s
`, base.Host, health.Status, health.Timestamp, stats.Uptime.Round(time.Second),
		stats.NumParticipants,
		stats.MaxParticipants, stats.MaxParticipantsTime.Format(time.RFC1123),
		stats.NumRooms,
		stats.MaxRooms, stats.MaxRoomsTime.Format(time.RFC1123),
		stats.NumConnections,
		stats.MaxConnections, stats.MaxConnectionsTime.Format(time.RFC1123))

	if statsRoom == "" {
		return nil
	}

	var info relay.RoomInfo
	status, err := fetchJSON(client, base, "/rooms/"+statsRoom, &info)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		fmt.Printf("\nRoom %s: not found\n", statsRoom)
		return nil
	}
	fmt.Printf("\nRoom %s: %d members\n", info.RoomID, info.UserCount)
	for _, user := range info.Users {
		fmt.Printf("  %s\n", user)
	}
	return nil
}

// fetchJSON GETs path from base and decodes the body into v.
// Any status other than 200 or 404 is an error.
func fetchJSON(client *http.Client, base url.URL, path string, v interface{}) (int, error) {
	base.Path = path
	resp, err := client.Get(base.String())
	if err != nil {
		return 0, errors.Wrap(err, "Connect to VoiceRelayd server")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return resp.StatusCode, errors.Wrapf(err, "Decode %s", path)
		}
	case http.StatusNotFound:
	default:
		var errResp server.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&errResp)
		return resp.StatusCode, errors.Errorf("Server returned %s for %s: %s", resp.Status, path, errResp.Error)
	}
	return resp.StatusCode, nil
}
