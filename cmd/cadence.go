package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/wa-interviewer/internal/logger"
	"github.com/spigell/wa-interviewer/internal/store"
)

var (
	cadenceTenant string
	cadenceServer string

	cadenceCmd = &cobra.Command{
		Use:   "cadence",
		Short: "Control the invitation cadence of a tenant on a running server",
	}

	cadenceStartCmd = &cobra.Command{
		Use:   "start",
		Short: "Queue candidates for invitation",
		Run: func(cmd *cobra.Command, _ []string) {
			cadenceStart(cmd)
		},
	}

	cadenceStopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop the tenant's active cadence",
		Run: func(_ *cobra.Command, _ []string) {
			cadenceCall(http.MethodDelete, nil)
		},
	}

	cadenceStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show the tenant's cadence statistics",
		Run: func(_ *cobra.Command, _ []string) {
			cadenceCall(http.MethodGet, nil)
		},
	}
)

func init() {
	rootCmd.AddCommand(cadenceCmd)
	cadenceCmd.AddCommand(cadenceStartCmd, cadenceStopCmd, cadenceStatsCmd)

	cadenceCmd.PersistentFlags().StringVarP(&cadenceTenant, "tenant", "t", "", "tenant id")
	cadenceCmd.PersistentFlags().StringVar(&cadenceServer, "server", "http://localhost:8080", "base url of the running server")
	_ = cadenceCmd.MarkPersistentFlagRequired("tenant")

	cadenceStartCmd.Flags().String("list", "", "invite every member of this candidate list")
	cadenceStartCmd.Flags().String("phones-file", "", "file with one phone per line")
	cadenceStartCmd.Flags().StringSlice("phone", nil, "phone to invite, may be repeated")
	cadenceStartCmd.Flags().BoolP("auto-aprove", "y", false, "do not ask for confirmation")
}

func cadenceStart(cmd *cobra.Command) {
	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	phones, err := collectPhones(cmd, logger)
	if err != nil {
		logger.Fatal("collecting phones", zap.Error(err))
	}
	if len(phones) == 0 {
		logger.Info("exiting", zap.String("reason", "no phones to invite"))
		return
	}

	if auto, _ := cmd.Flags().GetBool("auto-aprove"); !auto {
		proceed, err := confirmPhones(phones)
		if err != nil {
			logger.Fatal("prompt failed", zap.Error(err))
		}
		if !proceed {
			logger.Info("exiting", zap.String("reason", "not confirmed"))
			return
		}
	}

	cadenceCall(http.MethodPost, map[string]any{"phones": phones})
}

const (
	PromptYes        = "Yes"
	PromptNo         = "No"
	PromptShowPhones = "Show phones"
)

// confirmPhones asks the operator before any invitation is queued.
func confirmPhones(phones []string) (bool, error) {
	prompt := promptui.Select{
		Label: fmt.Sprintf("Invite %d candidates of tenant %s?", len(phones), cadenceTenant),
		Items: []string{PromptYes, PromptNo, PromptShowPhones},
	}

	for {
		_, selected, err := prompt.Run()
		if err != nil {
			return false, err
		}

		switch selected {
		case PromptYes:
			return true, nil
		case PromptShowPhones:
			for _, p := range phones {
				fmt.Println(p)
			}
		default:
			return false, nil
		}
	}
}

func collectPhones(cmd *cobra.Command, logger *zap.Logger) ([]string, error) {
	phones, _ := cmd.Flags().GetStringSlice("phone")

	if file, _ := cmd.Flags().GetString("phones-file"); file != "" {
		fromFile, err := readPhones(file)
		if err != nil {
			return nil, err
		}
		phones = append(phones, fromFile...)
	}

	if listID, _ := cmd.Flags().GetString("list"); listID != "" {
		config, err := getConfig()
		if err != nil {
			return nil, err
		}

		ctx := context.Background()
		db, err := store.Open(ctx, config.Database, logger)
		if err != nil {
			return nil, err
		}
		defer db.Close()

		members, err := db.ListMembers(ctx, cadenceTenant, listID)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", listID, err)
		}
		for _, m := range members {
			phones = append(phones, m.Phone)
		}
		logger.Info("list members loaded", zap.String("list", listID), zap.Int("count", len(members)))
	}

	return phones, nil
}

func readPhones(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var phones []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		phones = append(phones, line)
	}
	return phones, scanner.Err()
}

// cadenceCall sends one admin request and prints the JSON answer.
func cadenceCall(method string, payload any) {
	if err := doCadenceCall(method, payload, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func doCadenceCall(method string, payload any, out io.Writer) error {
	if strings.TrimSpace(cadenceTenant) == "" {
		return errors.New("--tenant is required")
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	url := strings.TrimRight(cadenceServer, "/") + "/admin/tenants/" + cadenceTenant + "/cadence"
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s %s: %s: %s", method, url, resp.Status, strings.TrimSpace(string(data)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		_, err = out.Write(data)
		return err
	}
	pretty.WriteByte('\n')
	_, err = out.Write(pretty.Bytes())
	return err
}
