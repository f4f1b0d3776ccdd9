package session

import (
	"strings"
	"testing"
)

func TestPathsAreSessionScoped(t *testing.T) {
	a := Dir("alpha")
	b := Dir("beta")
	if a == b {
		t.Error("Dir() should differ per session")
	}
	if !strings.HasPrefix(DBPath("alpha"), a) {
		t.Errorf("DBPath not under session dir: %s", DBPath("alpha"))
	}
	if !strings.HasPrefix(LogPath("alpha"), LogDir("alpha")) {
		t.Errorf("LogPath not under log dir: %s", LogPath("alpha"))
	}
	if !strings.HasPrefix(LockPath("alpha"), a) {
		t.Errorf("LockPath not under session dir: %s", LockPath("alpha"))
	}
}

func TestConfigPathUnderBase(t *testing.T) {
	if !strings.HasPrefix(ConfigPath(), BaseDir()) {
		t.Errorf("ConfigPath %s not under base dir %s", ConfigPath(), BaseDir())
	}
}
