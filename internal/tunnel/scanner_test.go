package tunnel

import "testing"

func TestExtractPublicURL(t *testing.T) {
	cases := []struct {
		name string
		line string
		want string
	}{
		{
			"boxed announcement",
			"2024-11-02T10:00:01Z INF |  https://lucky-otter-falls.trycloudflare.com  |",
			"https://lucky-otter-falls.trycloudflare.com",
		},
		{
			"plain line",
			"Your quick Tunnel has been created! Visit it at https://abc123.trycloudflare.com",
			"https://abc123.trycloudflare.com",
		},
		{
			"stderr interleaved",
			"INF Route propagating, it may take up to 1 minute https://x9.trycloudflare.com (anything after)",
			"https://x9.trycloudflare.com",
		},
		{"no url", "INF Starting tunnel", ""},
		{"wrong host", "visit https://example.com now", ""},
		{"http not https", "http://abc.trycloudflare.com", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := extractPublicURL(tc.line)
			if tc.want == "" {
				if ok {
					t.Fatalf("extractPublicURL(%q) = %q, want no match", tc.line, got)
				}
				return
			}
			if !ok || got != tc.want {
				t.Fatalf("extractPublicURL(%q) = %q, %v; want %q", tc.line, got, ok, tc.want)
			}
		})
	}
}

func TestIsRegistrationSuccess(t *testing.T) {
	if !isRegistrationSuccess("2024-11-02T10:00:01Z INF Registered tunnel connection connIndex=0") {
		t.Fatal("registration line not recognized")
	}
	if isRegistrationSuccess("INF Starting tunnel") {
		t.Fatal("non-registration line recognized")
	}
}
