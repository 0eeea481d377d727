package testutil

import (
	"reflect"
	"testing"
)

func TestJS(t *testing.T) {
	tests := []struct {
		name string
		arg  interface{}
		want string
	}{
		{
			name: "map",
			arg:  map[string]interface{}{"name": "Laika"},
			want: `{"name":"Laika"}`,
		},
		{
			name: "array",
			arg:  []int{1, 2, 3},
			want: `[1,2,3]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := JS(tt.arg); got != tt.want {
				t.Errorf("JS() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDwimjs(t *testing.T) {
	tests := []struct {
		name string
		arg  interface{}
		want interface{}
	}{
		{
			name: "JSON string",
			arg:  `{"name":"Laika","orbit":3}`,
			want: map[string]interface{}{"name": "Laika", "orbit": float64(3)},
		},
		{
			name: "JSON bytes",
			arg:  []byte(`["a","b"]`),
			want: []interface{}{"a", "b"},
		},
		{
			name: "non-string type",
			arg:  12345,
			want: 12345,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Dwimjs(tt.arg); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Dwimjs() = %v, want %v", got, tt.want)
			}
		})
	}
}
