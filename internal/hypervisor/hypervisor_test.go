package hypervisor

import "testing"

const sampleDomainXML = `
<domain type='kvm'>
  <name>vm1</name>
  <devices>
    <disk type='file' device='disk'>
      <driver name='qemu' type='qcow2'/>
      <source file='/var/lib/libvirt/images/vm1-vda.qcow2'/>
      <target dev='vda' bus='virtio'/>
    </disk>
    <disk type='file' device='disk'>
      <driver name='qemu' type='qcow2'/>
      <source file='/var/lib/libvirt/images/vm1-vdb.qcow2'/>
      <target dev='vdb' bus='virtio'/>
    </disk>
    <disk type='file' device='cdrom'>
      <source file='/var/lib/libvirt/images/vm1-cloudinit.iso'/>
      <target dev='sda' bus='sata'/>
    </disk>
  </devices>
</domain>
`

func TestParseBlockDevices(t *testing.T) {
	devices, err := parseBlockDevices(sampleDomainXML)
	if err != nil {
		t.Fatalf("parseBlockDevices: %v", err)
	}

	want := map[string]string{
		"vda": "/var/lib/libvirt/images/vm1-vda.qcow2",
		"vdb": "/var/lib/libvirt/images/vm1-vdb.qcow2",
	}
	if len(devices) != len(want) {
		t.Fatalf("devices = %+v, want %+v", devices, want)
	}
	for dev, file := range want {
		if devices[dev] != file {
			t.Errorf("devices[%q] = %q, want %q", dev, devices[dev], file)
		}
	}
	if _, ok := devices["sda"]; ok {
		t.Error("cdrom device should be excluded from block devices")
	}
}

func TestParseBlockDevicesRejectsGarbage(t *testing.T) {
	if _, err := parseBlockDevices("not xml at all"); err == nil {
		t.Fatal("expected an error parsing non-XML input, got nil")
	}
}
