package engine

import "testing"

func TestRewriteLocalhostSubstitutesKnownSpellings(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8787/mcp":  "http://runtime-host:8787/mcp",
		"http://127.0.0.1:9000/mcp":  "http://runtime-host:9000/mcp",
		"https://example.com/mcp":    "https://example.com/mcp",
		"postgres://localhost/store": "postgres://runtime-host/store",
	}
	for in, want := range cases {
		if got := rewriteLocalhost("runtime-host", in); got != want {
			t.Fatalf("rewriteLocalhost(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRewriteLocalhostNoAliasIsNoop(t *testing.T) {
	if got := rewriteLocalhost("", "http://localhost:8787"); got != "http://localhost:8787" {
		t.Fatalf("rewriteLocalhost with empty alias should not rewrite, got %q", got)
	}
}

func TestRewriteConfigRewritesEnvAndMCPServers(t *testing.T) {
	cfg := Config{
		Environment: map[string]string{"HUB_URL": "http://localhost:4000"},
		MCPServers: map[string]any{
			"files": map[string]any{"url": "http://localhost:9001/sse", "name": "files"},
			"other": "not-a-map",
		},
	}

	out := rewriteConfig("runtime-host", cfg)

	if out.Environment["HUB_URL"] != "http://runtime-host:4000" {
		t.Fatalf("Environment[HUB_URL] = %q, want rewritten", out.Environment["HUB_URL"])
	}
	files, ok := out.MCPServers["files"].(map[string]any)
	if !ok {
		t.Fatalf("MCPServers[files] lost its shape")
	}
	if files["url"] != "http://runtime-host:9001/sse" {
		t.Fatalf("MCPServers[files].url = %v, want rewritten", files["url"])
	}
	if files["name"] != "files" {
		t.Fatalf("MCPServers[files].name = %v, want preserved", files["name"])
	}
	if out.MCPServers["other"] != "not-a-map" {
		t.Fatalf("non-map MCP server entries should pass through untouched")
	}
}

func TestRewriteConfigNoAliasReturnsSameConfig(t *testing.T) {
	cfg := Config{Environment: map[string]string{"HUB_URL": "http://localhost:4000"}}
	out := rewriteConfig("", cfg)
	if out.Environment["HUB_URL"] != "http://localhost:4000" {
		t.Fatalf("expected no rewrite with empty alias, got %q", out.Environment["HUB_URL"])
	}
}
