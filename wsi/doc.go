/*
Package wsi provides types, constants, and functions that have no other dependencies
and can be used by all packages within wsitile.  This includes leveled logging,
size constants, path handling, and the 2d tile geometry shared by the container
engine, the decode cache, and the slide reader.
*/
package wsi
