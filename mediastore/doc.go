// Package mediastore indexes a directory of photos and videos into SQLite
// and serves the result as picker capabilities.
//
// Where pickerservice.FSMedia rescans the filesystem on every listing, a
// Store pays the probing cost (mime resolution, image dimensions, thumbnail
// renditions) once per file and remembers it across restarts. A scan
// reconciles the index with the tree, a watcher keeps it current, and the
// capability surface reads straight from SQL:
//
//	store, err := mediastore.Open(ctx, "/srv/photos",
//		mediastore.WithDatabasePath("/var/lib/pickerd/index.db"),
//		mediastore.WithBaseURI("media://photos"))
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	if _, err := store.Scan(ctx); err != nil {
//		return err
//	}
//	if err := store.Watch(ctx); err != nil {
//		return err
//	}
//
//	host := pickerservice.NewHost(
//		pickerservice.WithHostInfo(pickerservice.StaticHostInfo("photo-host", "1.0.0")),
//		pickerservice.WithMediaCapability(store),
//		pickerservice.WithAlbumsCapability(store),
//		pickerservice.WithSelectionCapability(
//			pickerservice.NewSelectionContainer(store)),
//	)
//
// Albums are the first-level directories of the root. Hidden entries are
// ignored, so the default index location under the root does not show up in
// the library.
package mediastore
