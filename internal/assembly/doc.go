// Package assembly turns approved still images and rendered shot clips
// into scene and episode videos. It also owns the image recommender that
// picks source stills for planned shots.
package assembly
