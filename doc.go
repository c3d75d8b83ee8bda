// Package dhtcrawl harvests BitTorrent metadata from the mainline DHT.
//
// A Crawler joins the DHT over a single UDP socket, runs iterative
// get_peers lookups for submitted infohashes, and fetches the info
// dictionary from discovered peers over the ut_metadata extension,
// verifying each result against its infohash before delivery.
//
// Typical use:
//
//	opts := dhtcrawl.NewOptions()
//	opts.BootstrapSeeds = []string{"router.bittorrent.com:6881"}
//	c, err := dhtcrawl.New(opts, sink)
//	if err != nil { ... }
//	defer c.Close()
//	handle, _ := c.Submit(infohash, 0)
//	for ev := range c.Events() { ... }
package dhtcrawl
