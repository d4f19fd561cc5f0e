package web

import (
	"fmt"
	"net/url"

	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/comfy"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/gallery"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/generation"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/notify"
)

// artifactURL is the proxy path the browser loads a rendered image from.
func artifactURL(a comfy.Artifact) string {
	q := url.Values{}
	q.Set("subfolder", a.Subfolder)
	q.Set("type", a.Type)
	return fmt.Sprintf("/api/generation/image/%s?%s", url.PathEscape(a.Filename), q.Encode())
}

// NewResultIngestor returns the completion callback that lands finished
// artifacts in the gallery, tagged with the settings snapshot the job ran
// with, and tells connected sessions about it.
func NewResultIngestor(store *gallery.Store, center *notify.Center) generation.ResultFunc {
	return func(snap generation.Snapshot, artifacts []comfy.Artifact) {
		meta := gallery.NewMetadata(snap.Prompt, snap.NegativePrompt, snap.Settings.Seed, snap.Settings)

		items := make([]gallery.Item, 0, len(artifacts))
		for _, a := range artifacts {
			items = append(items, gallery.Item{
				URL:      artifactURL(a),
				Artifact: a,
				Metadata: meta,
			})
		}
		store.AddBatch(items)

		noun := "image"
		if len(items) != 1 {
			noun = "images"
		}
		center.Push(notify.Success, fmt.Sprintf("Generated %d %s", len(items), noun))
	}
}

// NewProgressBroadcaster returns the update callback that relays job
// state changes to the browser event stream.
func NewProgressBroadcaster(hub *Hub) generation.UpdateFunc {
	return func(snap generation.Snapshot) {
		hub.Broadcast(map[string]interface{}{
			"type": "job_update",
			"job":  snap,
		})
	}
}
