package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/KinnaTo/videoconverter/internal/probe"
)

// detectCmd represents the detect command.
var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Probe system and encoder capabilities",
	Long: `Probe the machine and report what the runner would send in a
heartbeat: CPU, memory, disk, any discovered GPU, and the resolved
encoder mode (hardware when NVENC is usable and the encoder hint is
not cpu, cpu otherwise; the hint comes from --encoder, then ENCODER,
and defaults to cpu).

Examples:
  # Basic detection (JSON output)
  videoconverter-runner detect

  # Pretty-printed JSON
  videoconverter-runner detect --pretty`,
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)

	detectCmd.Flags().Bool("pretty", false, "pretty-print JSON output")
	detectCmd.Flags().Duration("timeout", 5*time.Second, "GPU probe timeout")
	detectCmd.Flags().String("encoder", "", "encoder hint: hardware or cpu")
}

// detectionReport is the detect command's output shape.
type detectionReport struct {
	Encoder    string            `json:"encoder"`
	DeviceInfo *probe.SystemInfo `json:"deviceInfo"`
}

func runDetect(cmd *cobra.Command, _ []string) error {
	applyLoggingFlags(cmd, "warn", "text")

	timeout, _ := cmd.Flags().GetDuration("timeout")
	hint, _ := cmd.Flags().GetString("encoder")
	if hint == "" {
		hint = os.Getenv("ENCODER")
	}
	if hint == "" {
		hint = probe.EncoderCPU
	}

	p := probe.New("", hint, timeout, slog.Default())
	info, encoder := p.Probe(context.Background())

	report := detectionReport{Encoder: encoder, DeviceInfo: info}

	enc := json.NewEncoder(os.Stdout)
	if pretty, _ := cmd.Flags().GetBool("pretty"); pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	return nil
}
