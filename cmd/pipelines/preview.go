package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ingestion/decoder"
	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ingestion/normalizer"
	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ingestion/validator"
)

var shapes = map[string]ingestion.ShapeVariant{
	"put":  ingestion.SingleTyped,
	"bulk": ingestion.KeyedBulk,
	"list": ingestion.ListBulk,
}

type previewRejection struct {
	Position int    `json:"position"`
	Error    string `json:"error"`
}

type previewOutput struct {
	Shape     string             `json:"shape"`
	Index     string             `json:"index"`
	Type      string             `json:"type,omitempty"`
	Documents []map[string]any   `json:"documents"`
	Rejected  []previewRejection `json:"rejected,omitempty"`
}

func previewCmd() *cobra.Command {
	var shape, index, typ string
	cmd := &cobra.Command{
		Use:   "preview FILE",
		Short: "Decode and normalize a local file and print the documents it would write",
		Long: "Runs the same decode and normalize stages as the HTTP routes against a local\n" +
			"file and prints the resulting documents as JSON. Nothing is written.\n\n" +
			"Shapes: put (POST /put/{index}/{type}), bulk (POST /bulk/{index}),\n" +
			"list (POST /bulk/{index}/{type}).",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			variant, ok := shapes[shape]
			if !ok {
				return fmt.Errorf("unknown shape %q (want put, bulk or list)", shape)
			}
			params := ingestion.RouteParams{Index: index, Type: typ}
			if err := validator.ValidateRoute(variant, params); err != nil {
				return err
			}
			out, err := preview(args[0], variant, params)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&shape, "shape", "bulk", "payload shape: put, bulk or list")
	cmd.Flags().StringVar(&index, "index", "", "index name")
	cmd.Flags().StringVar(&typ, "type", "", "index type (id source field for put and list)")
	return cmd
}

func preview(path string, variant ingestion.ShapeVariant, params ingestion.RouteParams) (*previewOutput, error) {
	path, err := validator.SanitizePath(path)
	if err != nil {
		return nil, err
	}
	if err := validator.CheckUpload(path); err != nil {
		return nil, err
	}
	parsed, err := decoder.Decode(ingestion.FilePayload(path))
	if err != nil {
		return nil, err
	}
	batch, err := normalizer.Normalize(parsed, variant, params)
	if err != nil {
		return nil, err
	}

	out := &previewOutput{
		Shape:     variant.String(),
		Index:     params.Index,
		Type:      params.Type,
		Documents: make([]map[string]any, 0, len(batch.Documents)),
	}
	for _, doc := range batch.Documents {
		out.Documents = append(out.Documents, doc.Body)
	}
	for _, rej := range batch.Rejected {
		out.Rejected = append(out.Rejected, previewRejection{Position: rej.Position, Error: rej.Err.Error()})
	}
	return out, nil
}
