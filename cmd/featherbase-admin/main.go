// Package main is the entry point for the featherbase admin CLI.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	serverURL string
	token     string
	output    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "featherbase-admin",
		Short: "Admin CLI for featherbase",
		Long:  `A command-line tool for managing collections, schemas, and records over the featherbase HTTP API.`,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8090", "Server URL")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", os.Getenv("FEATHERBASE_TOKEN"), "Bearer token")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "json", "Output format: json, table")

	loginCmd := &cobra.Command{
		Use:   "login <email>",
		Short: "Log in and print a token",
		Args:  cobra.ExactArgs(1),
		RunE:  login,
	}
	loginCmd.Flags().String("pass", "", "Password (required)")
	loginCmd.Flags().String("collection", "_superusers", "Auth collection")
	_ = loginCmd.MarkFlagRequired("pass")

	recordsCmd := &cobra.Command{
		Use:   "records",
		Short: "Manage records",
	}
	recordsListCmd := &cobra.Command{
		Use:   "list <collection>",
		Short: "List records in a collection",
		Args:  cobra.ExactArgs(1),
		RunE:  listRecords,
	}
	recordsListCmd.Flags().String("filter", "", "Filter: JSON object or field=value")
	recordsListCmd.Flags().String("sort", "", "Sort field, '-' prefix for descending")
	recordsListCmd.Flags().Int("page", 1, "Page number")
	recordsListCmd.Flags().Int("per-page", 30, "Records per page")

	recordsGetCmd := &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Get a record",
		Args:  cobra.ExactArgs(2),
		RunE:  getRecord,
	}
	recordsCreateCmd := &cobra.Command{
		Use:   "create <collection> <json>",
		Short: "Create a record from a JSON payload",
		Args:  cobra.ExactArgs(2),
		RunE:  createRecord,
	}
	recordsDeleteCmd := &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(2),
		RunE:  deleteRecord,
	}
	recordsCmd.AddCommand(recordsListCmd, recordsGetCmd, recordsCreateCmd, recordsDeleteCmd)

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage collection schemas",
	}
	schemaGetCmd := &cobra.Command{
		Use:   "get <collection>",
		Short: "Show a collection schema",
		Args:  cobra.ExactArgs(1),
		RunE:  getSchema,
	}
	schemaSetCmd := &cobra.Command{
		Use:   "set <collection> <json|->",
		Short: "Write a collection schema (JSON payload or - for stdin)",
		Args:  cobra.ExactArgs(2),
		RunE:  setSchema,
	}
	schemaCmd.AddCommand(schemaGetCmd, schemaSetCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show server runtime counters",
		RunE:  showStats,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("featherbase-admin %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}

	rootCmd.AddCommand(loginCmd, recordsCmd, schemaCmd, statsCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// call performs one API request and decodes the JSON response.
func call(method, path string, body any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.StatusCode >= 400 {
		msg, _ := decoded["message"].(string)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}
	return decoded, nil
}

func printResult(data map[string]any) error {
	if output == "table" {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for k, v := range data {
			fmt.Fprintf(w, "%s\t%v\n", k, v)
		}
		return w.Flush()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func login(cmd *cobra.Command, args []string) error {
	pass, _ := cmd.Flags().GetString("pass")
	collection, _ := cmd.Flags().GetString("collection")

	resp, err := call(http.MethodPost, "/api/auth/login", map[string]string{
		"email":      args[0],
		"password":   pass,
		"collection": collection,
	})
	if err != nil {
		return err
	}
	return printResult(resp)
}

func listRecords(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if v, _ := cmd.Flags().GetString("filter"); v != "" {
		q.Set("filter", v)
	}
	if v, _ := cmd.Flags().GetString("sort"); v != "" {
		q.Set("sort", v)
	}
	if v, _ := cmd.Flags().GetInt("page"); v > 1 {
		q.Set("page", fmt.Sprint(v))
	}
	if v, _ := cmd.Flags().GetInt("per-page"); v > 0 {
		q.Set("perPage", fmt.Sprint(v))
	}

	path := "/api/collections/" + args[0] + "/records"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	resp, err := call(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return printResult(resp)
}

func getRecord(cmd *cobra.Command, args []string) error {
	resp, err := call(http.MethodGet, "/api/collections/"+args[0]+"/records/"+args[1], nil)
	if err != nil {
		return err
	}
	return printResult(resp)
}

func createRecord(cmd *cobra.Command, args []string) error {
	var payload map[string]any
	if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	resp, err := call(http.MethodPost, "/api/collections/"+args[0]+"/records", payload)
	if err != nil {
		return err
	}
	return printResult(resp)
}

func deleteRecord(cmd *cobra.Command, args []string) error {
	resp, err := call(http.MethodDelete, "/api/collections/"+args[0]+"/records/"+args[1], nil)
	if err != nil {
		return err
	}
	return printResult(resp)
}

func getSchema(cmd *cobra.Command, args []string) error {
	resp, err := call(http.MethodGet, "/api/collections/"+args[0]+"/schema", nil)
	if err != nil {
		return err
	}
	return printResult(resp)
}

func setSchema(cmd *cobra.Command, args []string) error {
	raw := []byte(args[1])
	if args[1] == "-" {
		var err error
		raw, err = io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("invalid schema JSON: %w", err)
	}
	resp, err := call(http.MethodPut, "/api/collections/"+args[0]+"/schema", payload)
	if err != nil {
		return err
	}
	return printResult(resp)
}

func showStats(cmd *cobra.Command, args []string) error {
	resp, err := call(http.MethodGet, "/api/stats", nil)
	if err != nil {
		return err
	}
	return printResult(resp)
}
