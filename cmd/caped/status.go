package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"capeledger/internal/server"
)

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the state of a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := fetchState(addr)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status:           %s\n", state.Status)
			fmt.Fprintf(out, "height:           %d\n", state.Height)
			fmt.Fprintf(out, "root:             %s\n", state.Root.Hex())
			fmt.Fprintf(out, "state commitment: %s\n", state.StateCommitment.Hex())
			fmt.Fprintf(out, "records:          %d (depth %d)\n", state.NumRecords, state.TreeDepth)
			fmt.Fprintf(out, "nullifiers:       %d\n", state.NumNullifiers)
			fmt.Fprintf(out, "vault:            %s\n", state.Vault.Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8545", "node API base URL")
	return cmd
}

func fetchState(addr string) (*server.StateResponse, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(addr, "/") + "/state")
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query %s: %s", addr, resp.Status)
	}
	var state server.StateResponse
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}
