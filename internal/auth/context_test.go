// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests AuthContext and context propagation helpers

package auth

import (
	"context"
	"testing"
)

func TestAuthContext_Authenticated(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   bool
	}{
		{name: "header", source: SourceHeader, want: true},
		{name: "query", source: SourceQuery, want: true},
		{name: "disabled", source: SourceDisabled, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &AuthContext{Source: tt.source}
			if got := a.Authenticated(); got != tt.want {
				t.Errorf("Authenticated() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithAuth_FromContext(t *testing.T) {
	want := &AuthContext{KeyName: "key-1", Source: SourceHeader}
	ctx := WithAuth(context.Background(), want)

	got := FromContext(ctx)
	if got != want {
		t.Errorf("FromContext() = %+v, want %+v", got, want)
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %+v, want nil", got)
	}
}
