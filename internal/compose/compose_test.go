package compose

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestNames(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{EnvProject("1"), "minienv-env-1"},
		{EnvProject("AB"), "minienv-env-ab"},
		{ProvisionerProject("2"), "minienv-env-2-provision"},
		{VolumeName("3"), "minienv-env-3-volume"},
		{ProjectFile("/var/lib/minienv", "minienv-env-1"), "/var/lib/minienv/docker-compose-minienv-env-1.yml"},
		{ProjectFile("", "minienv-env-1"), "docker-compose-minienv-env-1.yml"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestRender(t *testing.T) {
	tmpl := []byte("ports:\n  - \"$externalLogPort:$internalLogPort\"\nrepo: $gitRepo\nvolume: $volumeName\nkeep: $unknownToken\n")
	got := Render(tmpl, map[string]string{
		TokenExternalLogPort: "40000",
		TokenInternalLogPort: "30081",
		TokenGitRepo:         "https://github.com/org/repo",
		TokenVolumeName:      "minienv-env-1-volume",
	})
	want := "ports:\n  - \"40000:30081\"\nrepo: https://github.com/org/repo\nvolume: minienv-env-1-volume\nkeep: $unknownToken\n"
	if string(got) != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestRenderPrefersLongerTokens(t *testing.T) {
	got := Render([]byte("$repo $repoName"), map[string]string{
		"$repo":     "A",
		"$repoName": "B",
	})
	if string(got) != "A B" {
		t.Errorf("Render() = %q, want %q", got, "A B")
	}
}

func TestRenderFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "env.yml.template")
	if err := os.WriteFile(src, []byte("image: minienv/env:$minienvVersion\n"), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	dest := filepath.Join(dir, "stacks", "docker-compose-minienv-env-1.yml")

	if err := RenderFile(src, dest, map[string]string{TokenMinienvVersion: "latest"}); err != nil {
		t.Fatalf("RenderFile() error = %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read rendered file: %v", err)
	}
	if string(data) != "image: minienv/env:latest\n" {
		t.Errorf("rendered = %q", data)
	}
}

func TestRenderFileMissingTemplate(t *testing.T) {
	if err := RenderFile("/nonexistent/template", filepath.Join(t.TempDir(), "out.yml"), nil); err == nil {
		t.Error("RenderFile() with missing template should return error")
	}
}

func TestComposeArgs(t *testing.T) {
	up := composeUpArgs("p", "f.yml")
	wantUp := []string{"compose", "-p", "p", "-f", "f.yml", "up", "-d", "--force-recreate", "--remove-orphans"}
	if !reflect.DeepEqual(up, wantUp) {
		t.Errorf("composeUpArgs() = %v, want %v", up, wantUp)
	}

	down := composeDownArgs("p", "f.yml", true)
	wantDown := []string{"compose", "-p", "p", "-f", "f.yml", "down", "--remove-orphans", "-t", "1", "-v"}
	if !reflect.DeepEqual(down, wantDown) {
		t.Errorf("composeDownArgs() = %v, want %v", down, wantDown)
	}
}

func TestAnyLiveAndPublishedPorts(t *testing.T) {
	containers := []Container{
		{Name: "a", State: "exited", Ports: map[string]string{"30081/tcp": "40000"}},
		{Name: "b", State: "running", Ports: map[string]string{"30081/tcp": "49999", "30083/tcp": "40002"}},
	}
	if !AnyLive(containers) {
		t.Error("AnyLive() = false, want true")
	}
	if AnyLive(containers[:1]) {
		t.Error("AnyLive() on exited containers = true, want false")
	}
	if AnyLive(nil) {
		t.Error("AnyLive(nil) = true, want false")
	}

	ports := PublishedPorts(containers)
	want := map[string]string{"30081/tcp": "40000", "30083/tcp": "40002"}
	if !reflect.DeepEqual(ports, want) {
		t.Errorf("PublishedPorts() = %v, want %v", ports, want)
	}
}
