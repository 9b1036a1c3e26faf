// Package domain models GeoNet strong-motion data.
//
// # Data Source
//
// Strong-motion records originate from the GeoNet project's processed-data
// archive, organised as /strong/processed/Proc/<year>/<MM>_Prelim/ with one
// directory per event holding recorder files from the sites that triggered.
// A separate delta web service publishes the seismic site registry as CSV.
// GeoNet makes the data available free of charge and asks to be acknowledged
// as the source; see their data policy for details.
//
// # Archive Conventions
//
// Units, as published by GeoNet:
//
//	distances              kilometres (converted to metres on ingest)
//	angles and bearings    degrees
//	latitude / longitude   decimal degrees
//	times                  seconds
//	acceleration           millimetres per second per second
//	                       (converted to m/s² on ingest)
//
// Sample encoding:
//
//	Acceleration samples are fixed-width 8-character floats, ten per line.
//	Usually a space separates neighbours, but the archive's NaN sentinel
//	999999.9 consumes the full field width, so lines must be split by
//	column position rather than whitespace.
//
// Axes:
//
//	A site records two horizontal channels plus one vertical channel. The
//	vertical axis is encoded as a heading of 999 degrees. Blocks repeating
//	an already-seen axis are discarded.
//
// Times:
//
//	The archive stores UTC throughout. Callers work in a configurable local
//	timezone (NZ time by default); conversion happens only at the query
//	boundary. Site opening dates in the registry CSV are given in NZ local
//	time and converted to UTC before caching.
//
// # Event Identity
//
// The archive has no stable cross-instance event identifier. Cache ids are
// local to one cache file; on re-ingest an event is recognised by
// origin-time proximity within a configurable tolerance, so reprocessing a
// month never duplicates events.
package domain
