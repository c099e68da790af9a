package plugin

import (
	"errors"
	"testing"

	"github.com/matryer/is"
)

func TestRegisterAndGet(t *testing.T) {
	is := is.New(t)
	r := NewRegistry()

	r.Register(KindVAD, "test", func(cfg map[string]any) (any, error) {
		return "instance", nil
	})

	f, ok := r.Get(KindVAD, "test")
	is.True(ok)
	inst, err := f(nil)
	is.NoErr(err)
	is.Equal(inst, "instance")

	_, ok = r.Get(KindVAD, "missing")
	is.True(!ok)
	_, ok = r.Get(KindSTT, "test")
	is.True(!ok)
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	r := NewRegistry()
	r.Register(KindLLM, "dup", func(cfg map[string]any) (any, error) { return nil, nil })

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	r.Register(KindLLM, "dup", func(cfg map[string]any) (any, error) { return nil, nil })
}

func TestListSorted(t *testing.T) {
	is := is.New(t)
	r := NewRegistry()
	noop := func(cfg map[string]any) (any, error) { return nil, nil }

	r.Register(KindTTS, "zeta", noop)
	r.Register(KindTTS, "alpha", noop)
	r.Register(KindSTT, "beta", noop)

	tts := r.List(KindTTS)
	is.Equal(len(tts), 2)
	is.Equal(tts[0].Name, "alpha")
	is.Equal(tts[1].Name, "zeta")

	all := r.List("")
	is.Equal(len(all), 3)
	is.Equal(all[0].Kind, KindSTT)
}

type failDownloader struct{ err error }

func (d failDownloader) Download() error { return d.err }

func TestDownloaderRunsBeforeFactory(t *testing.T) {
	is := is.New(t)

	// Resolve goes through the global registry; use unique names.
	wantErr := errors.New("no network")
	RegisterWithMetadata(&Plugin{
		Kind:       KindVAD,
		Name:       "needs-model",
		Factory:    func(cfg map[string]any) (any, error) { t.Fatal("factory ran"); return nil, nil },
		Downloader: failDownloader{err: wantErr},
	})

	_, err := ResolveVAD("needs-model", nil)
	is.True(errors.Is(err, wantErr))
}

func TestResolveRejectsWrongType(t *testing.T) {
	is := is.New(t)

	Register(KindSTT, "not-a-transcriber", func(cfg map[string]any) (any, error) {
		return 42, nil
	})

	_, err := ResolveSTT("not-a-transcriber", nil)
	is.True(err != nil)
}
