// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// MediaType names a media variant on the wire
type MediaType string

const (
	MediaImage    MediaType = "image"
	MediaVideo    MediaType = "video"
	MediaVoice    MediaType = "voice"
	MediaLocation MediaType = "location"
	MediaFile     MediaType = "file"
)

var (
	ErrUnknownMediaType = errors.New("unknown media type")
	ErrInvalidMedia     = errors.New("invalid media")
)

// Media is the attachment carried by a message. Text-only messages have
// no media. The set of variants is closed.
type Media interface {
	Type() MediaType
	Validate() error
	isMedia()
}

type Image struct {
	URL string `json:"url"`
}

type Video struct {
	URL string `json:"url"`
}

// Voice is a recorded audio clip
type Voice struct {
	URL      string        `json:"url"`
	Duration time.Duration `json:"duration"`
}

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type File struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

func (Image) Type() MediaType    { return MediaImage }
func (Video) Type() MediaType    { return MediaVideo }
func (Voice) Type() MediaType    { return MediaVoice }
func (Location) Type() MediaType { return MediaLocation }
func (File) Type() MediaType     { return MediaFile }

func (Image) isMedia()    {}
func (Video) isMedia()    {}
func (Voice) isMedia()    {}
func (Location) isMedia() {}
func (File) isMedia()     {}

func (m Image) Validate() error {
	if m.URL == "" {
		return fmt.Errorf("%w: image without url", ErrInvalidMedia)
	}
	return nil
}

func (m Video) Validate() error {
	if m.URL == "" {
		return fmt.Errorf("%w: video without url", ErrInvalidMedia)
	}
	return nil
}

func (m Voice) Validate() error {
	if m.URL == "" {
		return fmt.Errorf("%w: voice without url", ErrInvalidMedia)
	}
	if m.Duration <= 0 {
		return fmt.Errorf("%w: voice duration must be positive", ErrInvalidMedia)
	}
	return nil
}

func (m Location) Validate() error {
	if math.IsNaN(m.Lat) || math.IsNaN(m.Lng) || m.Lat < -90 || m.Lat > 90 || m.Lng < -180 || m.Lng > 180 {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidMedia)
	}
	return nil
}

func (m File) Validate() error {
	if m.URL == "" || m.Name == "" {
		return fmt.Errorf("%w: file needs url and name", ErrInvalidMedia)
	}
	return nil
}

// MediaLabel is the short human label used in previews and notifications
func MediaLabel(m Media) string {
	switch m.(type) {
	case Image:
		return "Photo"
	case Video:
		return "Video"
	case Voice:
		return "Voice message"
	case Location:
		return "Location"
	case File:
		return "File"
	}
	return ""
}

// MediaWire is the flattened form of Media used by JSON payloads and the
// database row.
type MediaWire struct {
	MediaType     MediaType `json:"media_type,omitempty"`
	MediaURL      string    `json:"media_url,omitempty"`
	VoiceDuration float64   `json:"voice_duration,omitempty"`
	Lat           *float64  `json:"lat,omitempty"`
	Lng           *float64  `json:"lng,omitempty"`
	FileName      string    `json:"file_name,omitempty"`
}

// Flatten returns the wire form of m; nil media gives the zero value.
func Flatten(m Media) MediaWire {
	switch v := m.(type) {
	case Image:
		return MediaWire{MediaType: MediaImage, MediaURL: v.URL}
	case Video:
		return MediaWire{MediaType: MediaVideo, MediaURL: v.URL}
	case Voice:
		return MediaWire{MediaType: MediaVoice, MediaURL: v.URL, VoiceDuration: v.Duration.Seconds()}
	case Location:
		lat, lng := v.Lat, v.Lng
		return MediaWire{MediaType: MediaLocation, Lat: &lat, Lng: &lng}
	case File:
		return MediaWire{MediaType: MediaFile, MediaURL: v.URL, FileName: v.Name}
	}
	return MediaWire{}
}

// MediaFromWire rebuilds and validates the variant named by w.MediaType.
// An empty type means no media.
func MediaFromWire(w MediaWire) (Media, error) {
	var m Media
	switch w.MediaType {
	case "":
		return nil, nil
	case MediaImage:
		m = Image{URL: w.MediaURL}
	case MediaVideo:
		m = Video{URL: w.MediaURL}
	case MediaVoice:
		m = Voice{URL: w.MediaURL, Duration: time.Duration(w.VoiceDuration * float64(time.Second))}
	case MediaLocation:
		if w.Lat == nil || w.Lng == nil {
			return nil, fmt.Errorf("%w: location without coordinates", ErrInvalidMedia)
		}
		m = Location{Lat: *w.Lat, Lng: *w.Lng}
	case MediaFile:
		m = File{URL: w.MediaURL, Name: w.FileName}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMediaType, w.MediaType)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
