package main

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/herald-mq/herald/internal/config"
	"github.com/herald-mq/herald/internal/trust"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Submit one message through an ingress",
	Long: `Send authenticates with a sender certificate and submits a single
message, the same way a production sender integration would. Useful for
verifying a fresh certificate end to end.`,
	Args: cobra.NoArgs,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().String("url", "https://localhost:8443", "ingress base URL")
	sendCmd.Flags().String("cert", "", "sender certificate (PEM)")
	sendCmd.Flags().String("key", "", "sender private key (PEM)")
	sendCmd.Flags().String("ca", "", "broker CA certificate; defaults to CA_CERT_PATH")
	sendCmd.Flags().String("sender", "", "sender number in E.164 form")
	sendCmd.Flags().String("body", "", "message body")
	sendCmd.MarkFlagRequired("cert")
	sendCmd.MarkFlagRequired("key")
	sendCmd.MarkFlagRequired("sender")
	sendCmd.MarkFlagRequired("body")
}

func runSend(cmd *cobra.Command, _ []string) error {
	url, _ := cmd.Flags().GetString("url")
	certPath, _ := cmd.Flags().GetString("cert")
	keyPath, _ := cmd.Flags().GetString("key")
	caPath, _ := cmd.Flags().GetString("ca")
	sender, _ := cmd.Flags().GetString("sender")
	body, _ := cmd.Flags().GetString("body")
	if caPath == "" {
		caPath = config.Load().CACertPath
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return opErr(fmt.Errorf("load sender keypair: %w", err))
	}
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return opErr(fmt.Errorf("read ca cert: %w", err))
	}
	tlsCfg, err := trust.ClientConfig(cert, caPEM)
	if err != nil {
		return opErr(err)
	}
	client := &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}

	payload, err := json.Marshal(map[string]string{
		"sender_number": sender,
		"message_body":  body,
	})
	if err != nil {
		return opErr(err)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
		url+"/api/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return opErr(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return dependencyErr(fmt.Errorf("submit: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return opErr(fmt.Errorf("ingress answered %s", resp.Status))
		}
		return opErr(fmt.Errorf("ingress refused: %s (%s)", e.Message, e.Error))
	}

	var accepted struct {
		MessageID string `json:"message_id"`
		Status    string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return opErr(fmt.Errorf("decode response: %w", err))
	}
	fmt.Printf("accepted %s (%s)\n", accepted.MessageID, accepted.Status)
	return nil
}
