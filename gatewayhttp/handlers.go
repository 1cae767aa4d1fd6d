package gatewayhttp

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/imdisk-go/vblockd/backing"
	"github.com/imdisk-go/vblockd/geometry"
	"github.com/imdisk-go/vblockd/manager"
	"github.com/imdisk-go/vblockd/verr"
)

func (s *Server) handleQueryVersion(w *doneWriter, r *http.Request, id uint32, hasID bool) error {
	writeJSON(w, httpVersionResponse{Version: s.mgr.QueryVersion()})
	return nil
}

func (s *Server) handleQueryDriver(w *doneWriter, r *http.Request, id uint32, hasID bool) error {
	writeJSON(w, httpDriverResponse{Bitmap: s.mgr.QueryDriver()})
	return nil
}

func (s *Server) handleQueryDevice(w *doneWriter, r *http.Request, id uint32, hasID bool) error {
	if !hasID {
		return errors.Wrap(verr.ErrInvalidParameter, "device id required")
	}
	rec, err := s.mgr.QueryDevice(id)
	if err != nil {
		return err
	}
	resp := httpDeviceResponse{
		DeviceNumber:    rec.DeviceNumber,
		Name:            rec.Name,
		TotalBytes:      rec.Geometry.Cylinders,
		Heads:           rec.Geometry.Heads,
		SectorsPerTrack: rec.Geometry.SectorsPerTrack,
		BytesPerSector:  rec.Geometry.BytesPerSector,
		ImageOffset:     rec.ImageOffset,
		Flags:           uint32(rec.Flags),
	}
	if rec.DriveLetter != 0 {
		resp.DriveLetter = string(rune(rec.DriveLetter))
	}
	writeJSON(w, resp)
	return nil
}

func (s *Server) handleCreateDevice(w *doneWriter, r *http.Request, id uint32, hasID bool) error {
	var body httpCreateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return errors.Wrap(verr.ErrInvalidParameter, "malformed request body")
	}

	params := manager.CreateParams{
		DeviceNumber: body.DeviceNumber,
		Name:         body.Name,
		Class:        parseClass(body.Class),
		Extension:    body.Extension,
		BackingKind:  parseBackingKind(body.BackingKind),
		ImagePath:    body.ImagePath,
		AnonSize:     body.AnonSize,
		ImageOffset:  body.ImageOffset,
		ReadOnly:     body.ReadOnly,
		Removable:    body.Removable,
	}
	if len(body.DriveLetter) > 0 {
		params.DriveLetter = body.DriveLetter[0]
	}

	newID, err := s.mgr.CreateDevice(r.Context(), params)
	if err != nil {
		return err
	}
	writeJSON(w, httpDeviceResponse{DeviceNumber: newID})
	return nil
}

func (s *Server) handleRemoveDevice(w *doneWriter, r *http.Request, id uint32, hasID bool) error {
	if !hasID {
		return errors.Wrap(verr.ErrInvalidParameter, "device id required")
	}
	return s.mgr.RemoveDevice(id)
}

func (s *Server) handleForceRemove(w *doneWriter, r *http.Request, id uint32, hasID bool) error {
	if !hasID {
		return errors.Wrap(verr.ErrInvalidParameter, "device id required")
	}
	return s.mgr.ForceRemove(id)
}

func (s *Server) handleSetFlags(w *doneWriter, r *http.Request, id uint32, hasID bool) error {
	if !hasID {
		return errors.Wrap(verr.ErrInvalidParameter, "device id required")
	}
	var body httpSetFlagsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return errors.Wrap(verr.ErrInvalidParameter, "malformed request body")
	}
	return s.mgr.SetFlags(id, manager.RecordFlag(body.Mask), manager.RecordFlag(body.Values))
}

func (s *Server) handleExtend(w *doneWriter, r *http.Request, id uint32, hasID bool) error {
	if !hasID {
		return errors.Wrap(verr.ErrInvalidParameter, "device id required")
	}
	var body httpExtendRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return errors.Wrap(verr.ErrInvalidParameter, "malformed request body")
	}
	return s.mgr.Extend(id, body.DeltaBytes)
}

func parseClass(s string) geometry.Class {
	switch s {
	case "hd":
		return geometry.ClassHD
	case "fd":
		return geometry.ClassFD
	case "cd":
		return geometry.ClassCD
	default:
		return geometry.ClassAuto
	}
}

func parseBackingKind(s string) backing.Kind {
	switch s {
	case "anon":
		return backing.KindAnon
	case "proxy-stream":
		return backing.KindProxyStream
	case "proxy-shm":
		return backing.KindProxyShm
	default:
		return backing.KindFile
	}
}
