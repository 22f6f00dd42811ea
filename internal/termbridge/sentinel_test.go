package termbridge

import "testing"

func TestShouldAppendMarker(t *testing.T) {
	cases := []struct {
		name    string
		current string
		text    string
		want    bool
	}{
		{"ready bash plain command", "bash", "ls -la", true},
		{"ready zsh plain command", "zsh", "make test", true},
		{"nested shell skips marker", "bash", "bash", false},
		{"nested shell with path skips marker", "bash", "/usr/bin/zsh -l", false},
		{"busy interactive program", "vim", "ls", false},
		{"busy agent cli", "claude", "hello there", false},
		{"introspection failure defaults ready", "", "ls", true},
		{"introspection failure but starts shell", "", "fish", false},
		{"background job gets marker", "bash", "sleep 100 &", true},
		{"fish ready", "fish", "echo hi", true},
		{"dash ready", "dash", "true", true},
	}
	for _, tc := range cases {
		if got := ShouldAppendMarker(tc.current, tc.text); got != tc.want {
			t.Errorf("%s: ShouldAppendMarker(%q, %q) = %v, want %v",
				tc.name, tc.current, tc.text, got, tc.want)
		}
	}
}

func TestFindMarker(t *testing.T) {
	nonce := "1234abcd-5678-90ef-1234-567890abcdef"

	// The echoed command line still contains the unexpanded $? and must not
	// count as completion.
	capture := "ls; echo " + Marker(nonce) + "\nfile1 file2\n"
	if _, found := FindMarker(capture, nonce); found {
		t.Error("unexpanded marker echo should not be detected")
	}

	capture += "__EXIT__" + nonce + "__0__\n"
	code, found := FindMarker(capture, nonce)
	if !found {
		t.Fatal("expanded marker not detected")
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}

func TestFindMarker_WrongNonce(t *testing.T) {
	capture := "__EXIT__aaaa__1__\n"
	if _, found := FindMarker(capture, "bbbb"); found {
		t.Error("marker with different nonce must not match")
	}
}

func TestFindMarker_NonzeroExit(t *testing.T) {
	capture := "__EXIT__dead__127__\n"
	code, found := FindMarker(capture, "dead")
	if !found || code != 127 {
		t.Errorf("got (%d, %v), want (127, true)", code, found)
	}
}
