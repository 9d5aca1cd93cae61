package main

import (
	"fmt"
	"os"

	"patchcrawl/internal/app"
	"patchcrawl/internal/model"
)

func searchByFilename(a *app.App, filename string) error {
	st, err := a.OpenStore("")
	if err != nil {
		return err
	}
	patches, err := st.SearchByFilename(filename)
	if err != nil {
		return err
	}
	printPatches(patches)
	return nil
}

func searchByProducer(a *app.App, producer string) error {
	st, err := a.OpenStore("")
	if err != nil {
		return err
	}
	patches, err := st.SearchByProducer(producer)
	if err != nil {
		return err
	}
	printPatches(patches)
	return nil
}

func searchByOrigin(a *app.App, prefix string) error {
	st, err := a.OpenStore("")
	if err != nil {
		return err
	}
	patches, err := st.SearchByOrigin(prefix)
	if err != nil {
		return err
	}
	printPatches(patches)
	return nil
}

func searchByContent(a *app.App, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	st, err := a.OpenStore("")
	if err != nil {
		return err
	}
	patches, err := st.SearchByContent(content)
	if err != nil {
		return err
	}
	printPatches(patches)
	return nil
}

func printPatches(patches []model.Patch) {
	if len(patches) == 0 {
		fmt.Println("No patches found.")
		return
	}
	for _, p := range patches {
		fmt.Printf("%s  %s  %s  %s  %s\n",
			shortChecksum(p.Checksum), p.Filename, p.Producer, p.Origin, p.Timestamp)
	}
	fmt.Printf("%d patch(es)\n", len(patches))
}

func shortChecksum(checksum string) string {
	if len(checksum) > 19 {
		// "sha256:" plus the first 12 hex digits.
		return checksum[:19]
	}
	return checksum
}
