package normalizer

import (
	"fmt"
	"strings"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ingestion/decoder"
)

func listPayload(n int) string {
	var sb strings.Builder
	sb.WriteString("rules:\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "  - rule: greet user %d\n    steps: [intent greet, utter greet]\n", i)
	}
	return sb.String()
}

func keyedPayload(n int) string {
	var sb strings.Builder
	sb.WriteString("version: \"3.1\"\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "setting_%d:\n  value: %d\n  enabled: true\n", i, i)
	}
	return sb.String()
}

func BenchmarkNormalize(b *testing.B) {
	cases := []struct {
		name    string
		variant ingestion.ShapeVariant
		params  ingestion.RouteParams
		text    string
	}{
		{"list_100", ingestion.ListBulk, ingestion.RouteParams{Index: "rules", Type: "rule"}, listPayload(100)},
		{"list_1000", ingestion.ListBulk, ingestion.RouteParams{Index: "rules", Type: "rule"}, listPayload(1000)},
		{"keyed_100", ingestion.KeyedBulk, ingestion.RouteParams{Index: "config"}, keyedPayload(100)},
		{"single", ingestion.SingleTyped, ingestion.RouteParams{Index: "intents", Type: "intent"}, "nlu:\n  - intent: book flight\n"},
	}
	for _, c := range cases {
		in, err := decoder.DecodeBytes([]byte(c.text))
		if err != nil {
			b.Fatal(err)
		}
		b.Run(c.name, func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(c.text)))
			for i := 0; i < b.N; i++ {
				batch, err := Normalize(in, c.variant, c.params)
				if err != nil {
					b.Fatal(err)
				}
				_ = batch
			}
		})
	}
}

func BenchmarkDashID(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = DashID("Greet the user, then ask: how are you?")
	}
}
