package graphql

import "testing"

func TestQuery(t *testing.T) {
	b := Builder{}

	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{
			name:     "flat selection",
			got:      b.Query(Field("gpuTypes", Fields("id", "displayName", "memoryInGb")...)),
			expected: `query { gpuTypes { id displayName memoryInGb } }`,
		},
		{
			name: "nested selection with input object",
			got: b.Query(Field("pod",
				Field("id"),
				Field("runtime", Field("ports", Fields("ip", "privatePort")...)),
			).WithArgs(Arg{Name: "input", Value: Object(Arg{Name: "podId", Value: String("abc123")})})),
			expected: `query { pod(input: {podId: "abc123"}) { id runtime { ports { ip privatePort } } } }`,
		},
		{
			name: "field arguments inside selection",
			got: b.Query(Field("gpuTypes",
				Field("id"),
				Field("lowestPrice", Fields("uninterruptablePrice")...).
					WithArgs(Arg{Name: "input", Value: Object(Arg{Name: "gpuCount", Value: Int(1)})}),
			)),
			expected: `query { gpuTypes { id lowestPrice(input: {gpuCount: 1}) { uninterruptablePrice } } }`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("got:\n  %s\nwant:\n  %s", tt.got, tt.expected)
			}
		})
	}
}

func TestMutation(t *testing.T) {
	b := Builder{}
	got := b.Mutation(Field("podTerminate").WithArgs(
		Arg{Name: "input", Value: Object(Arg{Name: "podId", Value: String("p-1")})},
	))
	expected := `mutation { podTerminate(input: {podId: "p-1"}) }`
	if got != expected {
		t.Errorf("got %s, want %s", got, expected)
	}
}

func TestValues(t *testing.T) {
	b := Builder{}
	got := b.Mutation(Field("deploy", Field("id")).WithArgs(Arg{Name: "input", Value: Object(
		Arg{Name: "cloudType", Value: Enum("ALL")},
		Arg{Name: "gpuCount", Value: Int(1)},
		Arg{Name: "startSsh", Value: Bool(true)},
		Arg{Name: "bid", Value: Float(0.25)},
		Arg{Name: "allowedCudaVersions", Value: StringList("12.0", "12.1")},
		Arg{Name: "env", Value: List(Object(
			Arg{Name: "key", Value: String("A")},
			Arg{Name: "value", Value: String(`x"y`)},
		))},
	)}))
	expected := `mutation { deploy(input: {cloudType: ALL, gpuCount: 1, startSsh: true, bid: 0.25, ` +
		`allowedCudaVersions: ["12.0", "12.1"], env: [{key: "A", value: "x\"y"}]}) { id } }`
	if got != expected {
		t.Errorf("got:\n  %s\nwant:\n  %s", got, expected)
	}
}
