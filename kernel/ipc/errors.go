package ipc

import "continuum/kernel/errors"

const errModule = "ipc"

var (
	errInvalidArgument = errors.New(errModule, errors.InvalidArgument, "invalid conduit argument")
	errUnknownConduit  = errors.New(errModule, errors.InvalidArgument, "no conduit registered under that name")
	errAlreadyExists   = errors.New(errModule, errors.AlreadyExists, "a conduit with that name already exists")
	errNoResources     = errors.New(errModule, errors.NoResources, "conduit registry is full")
	errBrokenPipe      = errors.New(errModule, errors.BrokenPipe, "conduit is closing or closed")
	errMessageTooLarge = errors.New(errModule, errors.MessageTooLarge, "message exceeds the conduit's maximum size")
	errWouldBlock      = errors.New(errModule, errors.WouldBlock, "conduit operation would block")
)
