// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestParseResourceAttributes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		input   string
		want    []attribute.KeyValue
		wantErr string
	}{
		{
			name:  "empty",
			input: "",
			want:  []attribute.KeyValue{},
		},
		{
			name:  "sorted by key",
			input: "region=enam,deployment=prod",
			want: []attribute.KeyValue{
				attribute.String("deployment", "prod"),
				attribute.String("region", "enam"),
			},
		},
		{
			name:  "whitespace and empty pairs",
			input: " cell = enam-1 ,, ",
			want:  []attribute.KeyValue{attribute.String("cell", "enam-1")},
		},
		{
			name:  "value may contain equals",
			input: "selector=a=b",
			want:  []attribute.KeyValue{attribute.String("selector", "a=b")},
		},
		{
			name:  "last value wins",
			input: "cell=a,cell=b",
			want:  []attribute.KeyValue{attribute.String("cell", "b")},
		},
		{
			name:    "missing separator",
			input:   "deployment",
			wantErr: "expected key=value",
		},
		{
			name:    "empty key",
			input:   "=prod",
			wantErr: "empty attribute key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseResourceAttributes(tt.input)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
