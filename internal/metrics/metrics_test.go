package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	// Initialise vec label combinations so they appear in Gather output.
	// Vec metrics are not gathered until at least one label set is created.
	IngressRequests.WithLabelValues("202")
	CertValidations.WithLabelValues(ResultValid)
	MessagesProcessed.WithLabelValues("worker-1", OutcomeDelivered)
	CertsIssued.WithLabelValues("client")
	StoreRequests.WithLabelValues("internal", "200")

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expected := map[string]bool{
		"herald_ingress_requests_total":                  false,
		"herald_ingress_certificate_validations_total":   false,
		"herald_queue_size":                              false,
		"herald_worker_messages_processed_total":         false,
		"herald_worker_delivery_duration_seconds":        false,
		"herald_worker_queue_wait_seconds":               false,
		"herald_worker_in_flight":                        false,
		"herald_ca_certificates_issued_total":            false,
		"herald_ca_certificates_revoked_total":           false,
		"herald_store_requests_total":                    false,
	}

	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestWriteTextfile(t *testing.T) {
	QueueSize.Set(7)
	DeliveryDuration.Observe(0.25)

	path := filepath.Join(t.TempDir(), "herald.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "herald_queue_size 7") {
		t.Errorf("textfile missing queue gauge:\n%s", out)
	}
	if strings.Contains(out, "go_goroutines") {
		t.Error("textfile leaked non-herald metrics")
	}

	// No stray temp file.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}
