package ext4

// BuildResizeInode renders inode 7, the reserved "resize" inode whose job
// is to hold a reference to every reserved-GDT-growth block so resize2fs
// (and e2fsck) can find them. It uses the classic indirect block scheme,
// not extents: a double-indirect block (i_block[13]) points at one
// indirect block per has_super group that carries reserved growth room;
// each indirect block lists that group's reserved block addresses.
func BuildResizeInode(l *Layout, allocBlock func() (int64, error), writeBlock func(block int64, data []byte) error) (*Inode, error) {
	var indirectBlocks []int64

	for _, g := range l.Groups {
		if !g.HasSuper || g.ReservedGDTLen == 0 {
			continue
		}

		ib, err := allocBlock()
		if err != nil {
			return nil, err
		}

		payload := make([]byte, l.BlockSize)
		for i := int64(0); i < g.ReservedGDTLen && i*4+4 <= l.BlockSize; i++ {
			addr := uint32(g.ReservedGDTAt + i)
			payload[i*4+0] = byte(addr)
			payload[i*4+1] = byte(addr >> 8)
			payload[i*4+2] = byte(addr >> 16)
			payload[i*4+3] = byte(addr >> 24)
		}
		if writeBlock != nil {
			if err := writeBlock(ib, payload); err != nil {
				return nil, err
			}
		}
		indirectBlocks = append(indirectBlocks, ib)
	}

	inode := &Inode{
		Mode:       InodeTypeRegular | 0600,
		LinksCount: 1,
		Flags:      0,
	}

	if len(indirectBlocks) == 0 {
		return inode, nil
	}

	dind, err := allocBlock()
	if err != nil {
		return nil, err
	}
	dindPayload := make([]byte, l.BlockSize)
	for i, ib := range indirectBlocks {
		if int64(i)*4+4 > l.BlockSize {
			break
		}
		addr := uint32(ib)
		dindPayload[i*4+0] = byte(addr)
		dindPayload[i*4+1] = byte(addr >> 8)
		dindPayload[i*4+2] = byte(addr >> 16)
		dindPayload[i*4+3] = byte(addr >> 24)
	}
	if writeBlock != nil {
		if err := writeBlock(dind, dindPayload); err != nil {
			return nil, err
		}
	}

	// i_block is 15 uint32 slots; slot 13 is EXT4_DIND_BLOCK.
	var raw [15]uint32
	raw[13] = uint32(dind)
	for i, v := range raw {
		inode.Block[i*4+0] = byte(v)
		inode.Block[i*4+1] = byte(v >> 8)
		inode.Block[i*4+2] = byte(v >> 16)
		inode.Block[i*4+3] = byte(v >> 24)
	}

	blocksUsed := int64(len(indirectBlocks)) + 1
	inode.SizeLo = uint32(blocksUsed * l.BlockSize)
	inode.BlocksLo = uint32(blocksUsed * (l.BlockSize / SectorSize))

	return inode, nil
}
