// Package pickerservice provides building blocks for implementing picker
// host capabilities in a composable way. It exposes the capability
// interfaces consumed by the engine and transport handlers, plus ready-made
// containers for media, albums and selection state, a filesystem-backed
// library, and change notification plumbing.
//
// Quick start (static):
//
//	library := pickerservice.NewMediaContainer(
//	    picker.MediaItem{ID: "p1", URI: "media://camera/p1.jpg", MimeType: "image/jpeg", AlbumID: "camera"},
//	    picker.MediaItem{ID: "p2", URI: "media://camera/p2.mp4", MimeType: "video/mp4", AlbumID: "camera"},
//	)
//	albums := pickerservice.NewAlbumsContainer(
//	    picker.Album{ID: "camera", DisplayName: "Camera", ItemCount: 2},
//	)
//	selection := pickerservice.NewSelectionContainer(library)
//
//	host := pickerservice.NewHost(
//	    pickerservice.WithHostInfo(pickerservice.StaticHostInfo("example-host", "1.0.0")),
//	    pickerservice.WithMediaCapability(library),
//	    pickerservice.WithAlbumsCapability(albums),
//	    pickerservice.WithSelectionCapability(selection),
//	)
//
// Serving a directory tree, with albums derived from its first-level
// directories and fsnotify-driven list_changed notifications:
//
//	fsm := pickerservice.NewFSMedia(
//	    pickerservice.WithMediaDir("/srv/photos"),
//	    pickerservice.WithMediaBaseURI("media://photos"),
//	)
//	host := pickerservice.NewHost(
//	    pickerservice.WithMediaCapability(fsm),
//	    pickerservice.WithAlbumsCapability(fsm),
//	    pickerservice.WithSelectionCapability(pickerservice.NewSelectionContainer(fsm)),
//	)
//
// Dynamic per-session capabilities:
//
//	host := pickerservice.NewHost(
//	    pickerservice.WithMediaCapability(pickerservice.MediaCapabilityProviderFunc(
//	        func(ctx context.Context, s sessions.Session) (pickerservice.MediaCapability, bool, error) {
//	            if s.CallerUID() < 10000 {
//	                return nil, false, nil
//	            }
//	            return libraryFor(s.CallerPackage()), true, nil
//	        },
//	    )),
//	)
//
// See host.go and the capability files for full API details.
package pickerservice
