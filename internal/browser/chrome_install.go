package browser

import (
	"context"
	"fmt"
	"log"

	"github.com/go-rod/rod/lib/launcher"
)

// InstallChrome downloads a Chromium build for the current OS/arch and
// returns the path of its executable. chromedriver needs a matching browser;
// the path is meant for the goog:chromeOptions binary capability.
func InstallChrome(ctx context.Context, revision int) (string, error) {
	downloader := launcher.NewBrowser()
	downloader.Context = ctx
	if revision > 0 {
		downloader.Revision = revision
	}

	path, err := downloader.Get()
	if err != nil {
		return "", fmt.Errorf("failed to download chrome: %w", err)
	}

	log.Printf("Chromium revision %d available at %s", downloader.Revision, path)
	return path, nil
}

// LookupBrowser returns the path of a locally installed Chrome/Chromium, if any.
func LookupBrowser() (string, bool) {
	return launcher.LookPath()
}

// ResolveBrowser picks the browser binary for the capabilities: an explicit
// path wins, then a download when withChrome is set. An empty result means
// the driver chooses its default browser.
func ResolveBrowser(ctx context.Context, explicit string, withChrome bool, revision int) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if !withChrome {
		return "", nil
	}
	if path, ok := LookupBrowser(); ok && revision == 0 {
		log.Printf("Using local Chrome at %s", path)
		return path, nil
	}
	return InstallChrome(ctx, revision)
}
