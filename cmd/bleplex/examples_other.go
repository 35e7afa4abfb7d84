//go:build !darwin

package main

const (
	exampleDeviceAddress = "C0:FF:EE:00:00:01"
	deviceAddressNote    = "Device address format: MAC address, colon separated\n  Example: C0:FF:EE:00:00:01\n  Use 'bleplex scan' to discover devices"
)
